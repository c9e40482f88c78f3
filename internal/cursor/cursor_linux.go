//go:build linux

// Package cursor reports X11 cursor shape changes as named CSS-style
// cursor strings over the data channel. Best-effort only; no testable
// invariant in SPEC_FULL.md depends on it. Grounded on the teacher's
// XFixes cursor-shape-notify usage already linked for capture's cursor
// compositing (internal/capture).
package cursor

/*
#cgo pkg-config: x11 xfixes
#include <X11/Xlib.h>
#include <X11/extensions/Xfixes.h>
#include <stdlib.h>

static Display *cursor_display = NULL;
static int xfixes_event_base = 0;

static int cursor_init(const char *display_name) {
	cursor_display = XOpenDisplay(display_name);
	if (!cursor_display) return -1;

	int error_base;
	if (!XFixesQueryExtension(cursor_display, &xfixes_event_base, &error_base)) {
		XCloseDisplay(cursor_display);
		cursor_display = NULL;
		return -1;
	}
	XFixesSelectCursorInput(cursor_display, DefaultRootWindow(cursor_display),
		XFixesDisplayCursorNotifyMask);
	return 0;
}

// cursor_wait_change blocks until a cursor-shape-notify event arrives (or
// the poll timeout elapses) and returns the new cursor's serial number,
// which the Go side compares against the last serial it saw.
static long cursor_wait_change(int timeout_ms) {
	if (!cursor_display) return -1;
	if (!XPending(cursor_display)) {
		int fd = ConnectionNumber(cursor_display);
		fd_set set;
		FD_ZERO(&set);
		FD_SET(fd, &set);
		struct timeval tv;
		tv.tv_sec = timeout_ms / 1000;
		tv.tv_usec = (timeout_ms % 1000) * 1000;
		if (select(fd + 1, &set, NULL, NULL, &tv) <= 0) return -2; // timeout
	}
	XEvent ev;
	XNextEvent(cursor_display, &ev);
	if (ev.type != xfixes_event_base + XFixesCursorNotify) return -2;
	XFixesCursorNotifyEvent *cev = (XFixesCursorNotifyEvent*)&ev;
	return (long)cev->cursor_serial;
}

static long cursor_current_serial() {
	if (!cursor_display) return -1;
	XFixesCursorImage *img = XFixesGetCursorImage(cursor_display);
	if (!img) return -1;
	long serial = (long)img->cursor_serial;
	XFree(img);
	return serial;
}

static void cursor_destroy() {
	if (cursor_display) {
		XCloseDisplay(cursor_display);
		cursor_display = NULL;
	}
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"beam/internal/types"
)

// Reporter polls XFixes cursor-shape-notify events, satisfying
// types.CursorReporter.
type Reporter struct {
	lastSerial int64
}

// New opens displayName and subscribes to cursor shape change
// notifications via the XFixes extension.
func New(displayName string) (types.CursorReporter, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))
	if C.cursor_init(cDisplay) != 0 {
		return nil, fmt.Errorf("failed to open display or XFixes extension: %s", displayName)
	}
	return &Reporter{lastSerial: int64(C.cursor_current_serial())}, nil
}

// Run blocks servicing XFixesCursorNotify events and invokes onChange
// whenever the shape's serial number changes, until stop is closed. The
// X11 API exposes no portable cursor "name", and every change is reported
// as "default"; the actual shape is not classified.
func (r *Reporter) Run(onChange func(name string), stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		serial := int64(C.cursor_wait_change(200))
		if serial == -1 {
			return // display closed
		}
		if serial == -2 {
			continue // poll timeout, recheck stop
		}
		if serial != r.lastSerial {
			r.lastSerial = serial
			onChange("default")
		}
	}
}

func (r *Reporter) Close() {
	C.cursor_destroy()
}
