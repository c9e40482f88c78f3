//go:build linux

// Package clipboard synchronizes the X CLIPBOARD and PRIMARY selections
// with the browser clipboard carried over the input data channel.
// Grounded on the teacher's internal/clipboard X11 selection-ownership
// plumbing (moved under internal/ here), extended for the PRIMARY
// selection per SPEC_FULL.md's supplemented "cp" input event.
package clipboard

/*
#cgo pkg-config: x11
#include <X11/Xlib.h>
#include <X11/Xatom.h>
#include <stdlib.h>
#include <string.h>

static Display* clip_display = NULL;
static Window clip_window;
static char* clip_text = NULL;

static int clip_init(const char *display_name) {
	clip_display = XOpenDisplay(display_name);
	if (!clip_display) return -1;
	clip_window = XCreateSimpleWindow(clip_display, DefaultRootWindow(clip_display),
		0, 0, 1, 1, 0, 0, 0);
	return 0;
}

static void clip_set_text(const char *text, int primary) {
	if (!clip_display) return;
	free(clip_text);
	clip_text = strdup(text);
	Atom selection = primary ? XA_PRIMARY : XInternAtom(clip_display, "CLIPBOARD", False);
	XSetSelectionOwner(clip_display, selection, clip_window, CurrentTime);
	XFlush(clip_display);
}

// clip_read_text polls the current clipboard owner for UTF8_STRING
// contents, used when an external X client (not this process) owns the
// selection — e.g. the user copied something inside the remote desktop.
static char* clip_read_text(int primary) {
	if (!clip_display) return NULL;
	Atom selection = primary ? XA_PRIMARY : XInternAtom(clip_display, "CLIPBOARD", False);
	Atom utf8 = XInternAtom(clip_display, "UTF8_STRING", False);
	Atom property = XInternAtom(clip_display, "BEAM_CLIP_XFER", False);

	XConvertSelection(clip_display, selection, utf8, property, clip_window, CurrentTime);
	XFlush(clip_display);

	// Selection conversion is asynchronous; give the owner a moment to
	// respond before giving up rather than blocking forever.
	for (int i = 0; i < 20; i++) {
		XEvent ev;
		if (XCheckTypedWindowEvent(clip_display, clip_window, SelectionNotify, &ev)) {
			if (ev.xselection.property == None) return NULL;
			Atom type;
			int format;
			unsigned long nitems, after;
			unsigned char *data = NULL;
			XGetWindowProperty(clip_display, clip_window, property, 0, 1 << 20, False,
				AnyPropertyType, &type, &format, &nitems, &after, &data);
			if (!data) return NULL;
			char *out = strdup((char*)data);
			XFree(data);
			return out;
		}
		usleep(5000);
	}
	return NULL;
}

static void clip_handle_events() {
	if (!clip_display) return;
	while (XPending(clip_display) > 0) {
		XEvent ev;
		XNextEvent(clip_display, &ev);
		if (ev.type == SelectionRequest) {
			XSelectionRequestEvent *req = &ev.xselectionrequest;
			XSelectionEvent resp;
			resp.type = SelectionNotify;
			resp.display = req->display;
			resp.requestor = req->requestor;
			resp.selection = req->selection;
			resp.target = req->target;
			resp.time = req->time;
			resp.property = None;

			Atom utf8 = XInternAtom(clip_display, "UTF8_STRING", False);
			if (clip_text && (req->target == utf8 || req->target == XA_STRING)) {
				XChangeProperty(clip_display, req->requestor, req->property, req->target,
					8, PropModeReplace, (unsigned char*)clip_text, strlen(clip_text));
				resp.property = req->property;
			}
			XSendEvent(clip_display, req->requestor, False, 0, (XEvent*)&resp);
			XFlush(clip_display);
		}
	}
}

static void clip_destroy() {
	if (clip_display) {
		free(clip_text);
		clip_text = NULL;
		XCloseDisplay(clip_display);
		clip_display = NULL;
	}
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"

	"beam/internal/types"
)

// maxClipboardBytes bounds both directions of clipboard sync per
// SPEC_FULL.md §4.8: clipboard payloads are bound to 1 MiB.
const maxClipboardBytes = 1 << 20

// pendingWrite is one queued browser->X selection write, either CLIPBOARD
// (primary=false, the "c" input event) or PRIMARY (primary=true, "cp").
type pendingWrite struct {
	text    string
	primary bool
}

// Sync owns one X11 connection dedicated to CLIPBOARD/PRIMARY selection
// ownership, satisfying types.ClipboardSync.
type Sync struct {
	pending chan pendingWrite
}

// New opens displayName for clipboard selection ownership.
func New(displayName string) (types.ClipboardSync, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))
	if C.clip_init(cDisplay) != 0 {
		return nil, fmt.Errorf("failed to open display for clipboard: %s", displayName)
	}
	return &Sync{pending: make(chan pendingWrite, 1)}, nil
}

// SetFromClient takes ownership of the CLIPBOARD selection with text
// received from the browser, truncating to maxClipboardBytes.
func (s *Sync) SetFromClient(text string) {
	s.queue(pendingWrite{text: s.truncate(text), primary: false})
}

// SetPrimaryFromClient takes ownership of the PRIMARY selection with text
// received from the browser (the "cp" input event), truncating to
// maxClipboardBytes.
func (s *Sync) SetPrimaryFromClient(text string) {
	s.queue(pendingWrite{text: s.truncate(text), primary: true})
}

func (s *Sync) truncate(text string) string {
	if len(text) > maxClipboardBytes {
		return text[:maxClipboardBytes]
	}
	return text
}

func (s *Sync) queue(w pendingWrite) {
	select {
	case s.pending <- w:
	default:
		<-s.pending
		s.pending <- w
	}
}

// Run services pending SelectionRequest events (answering other X clients
// asking for our clipboard contents) and applies queued SetFromClient/
// SetPrimaryFromClient writes, until stop is closed. All clip_display
// access happens from this one goroutine; Xlib is not safe for concurrent
// calls from more than one.
func (s *Sync) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case w := <-s.pending:
			cText := C.CString(w.text)
			primary := C.int(0)
			if w.primary {
				primary = 1
			}
			C.clip_set_text(cText, primary)
			C.free(unsafe.Pointer(cText))
		case <-ticker.C:
			C.clip_handle_events()
		}
	}
}

// ReadText polls the current selection owner for its contents; primary
// selects PRIMARY instead of CLIPBOARD. Returns "" if no owner responds.
func (s *Sync) ReadText(primary bool) string {
	p := C.int(0)
	if primary {
		p = 1
	}
	cText := C.clip_read_text(p)
	if cText == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(cText))
	text := C.GoString(cText)
	if len(text) > maxClipboardBytes {
		text = text[:maxClipboardBytes]
	}
	return text
}

func (s *Sync) Close() {
	C.clip_destroy()
}
