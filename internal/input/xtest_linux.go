//go:build linux

// Package input injects decoded browser input events into the X11
// session via XTEST, and the button/scroll/clamp conventions from
// SPEC_FULL.md §4.8. Grounded on the teacher's own xtest_linux.go for the
// cgo XTest plumbing, generalized from a KeyboardEvent.code→keysym name
// table (which only covers a fixed US layout) to direct evdev-keycode
// injection, which works under any layout the X server itself has loaded.
package input

/*
#cgo pkg-config: x11 xtst
#include <X11/Xlib.h>
#include <X11/extensions/XTest.h>
#include <stdlib.h>

static Display* input_display = NULL;

static int input_init(const char *display_name) {
	input_display = XOpenDisplay(display_name);
	if (!input_display) return -1;
	return 0;
}

static void input_mouse_move_abs(double nx, double ny) {
	if (!input_display) return;
	XWindowAttributes attrs;
	if (!XGetWindowAttributes(input_display, DefaultRootWindow(input_display), &attrs)) return;
	int x = (int)(nx * attrs.width);
	int y = (int)(ny * attrs.height);
	XTestFakeMotionEvent(input_display, DefaultScreen(input_display), x, y, 0);
	XFlush(input_display);
}

static void input_mouse_move_rel(int dx, int dy) {
	if (!input_display) return;
	XWarpPointer(input_display, None, None, 0, 0, 0, 0, dx, dy);
	XFlush(input_display);
}

static void input_mouse_button(int button, int press) {
	if (!input_display) return;
	XTestFakeButtonEvent(input_display, button, press, 0);
	XFlush(input_display);
}

static void input_scroll_notch(int button) {
	if (!input_display) return;
	XTestFakeButtonEvent(input_display, button, True, 0);
	XTestFakeButtonEvent(input_display, button, False, 0);
	XFlush(input_display);
}

static void input_key(unsigned int keycode, int press) {
	if (!input_display) return;
	XTestFakeKeyEvent(input_display, (KeyCode)keycode, press, 0);
	XFlush(input_display);
}

static void input_destroy() {
	if (input_display) {
		XCloseDisplay(input_display);
		input_display = NULL;
	}
}
*/
import "C"
import (
	"fmt"
	"unsafe"

	"beam/internal/types"
)

// evdevToX11 converts a Linux evdev keycode to an X11 keycode, per
// SPEC_FULL.md §6: the X server's evdev driver always offsets by 8.
func evdevToX11(code uint16) C.uint {
	return C.uint(code) + 8
}

// Evdev codes used to detect the clipboard-read shortcuts (Ctrl+C,
// Ctrl+X), matching linux/input-event-codes.h.
const (
	evdevLeftCtrl  = 29
	evdevRightCtrl = 97
	evdevC         = 46
	evdevX         = 45
)

// mouseClamp bounds absolute/relative mouse coordinates to a sane
// range, per SPEC_FULL.md §4.8.
const mouseClamp = 10000

// InputHandler injects input events into one X11 display via XTEST.
type InputHandler struct {
	ctrlDown bool

	scrollAccumX, scrollAccumY float64

	// onClipboardRequest fires on release of 'c' or 'x' while Ctrl is
	// held, requesting the agent read the X clipboard and push it to
	// the browser. nil is a valid "no clipboard wired" configuration.
	onClipboardRequest func(primary bool)
}

// NewInputHandler opens displayName for XTEST injection. onClipboardRequest
// may be nil.
func NewInputHandler(displayName string, onClipboardRequest func(primary bool)) (types.EventInjector, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	if C.input_init(cDisplay) != 0 {
		return nil, fmt.Errorf("failed to open display for input: %s", displayName)
	}
	return &InputHandler{onClipboardRequest: onClipboardRequest}, nil
}

func (ih *InputHandler) Inject(event types.InputEvent) {
	switch event.Type {
	case "k":
		ih.injectKey(event)
	case "m":
		x, y := clampCoord(event.X), clampCoord(event.Y)
		C.input_mouse_move_abs(C.double(x), C.double(y))
	case "rm":
		dx, dy := clampCoord(event.DX), clampCoord(event.DY)
		C.input_mouse_move_rel(C.int(dx), C.int(dy))
	case "b":
		C.input_mouse_button(C.int(browserButtonToX11(event.Button)), boolToC(event.Pressed))
	case "s":
		ih.injectScroll(event.DX, event.DY)
	}
}

func (ih *InputHandler) injectKey(event types.InputEvent) {
	switch event.EvdevCode {
	case evdevLeftCtrl, evdevRightCtrl:
		ih.ctrlDown = event.Pressed
	case evdevC, evdevX:
		if ih.ctrlDown && !event.Pressed && ih.onClipboardRequest != nil {
			ih.onClipboardRequest(false)
		}
	}
	C.input_key(evdevToX11(event.EvdevCode), boolToC(event.Pressed))
}

// injectScroll maps accumulated fractional scroll pixels into discrete
// button-4/5/6/7 notches at 30px/notch, preserving the remainder across
// calls so four small deltas combine into the right number of notches.
func (ih *InputHandler) injectScroll(dx, dy float64) {
	const pixelsPerNotch = 30.0
	ih.scrollAccumY += dy
	ih.scrollAccumX += dx

	for ih.scrollAccumY <= -pixelsPerNotch {
		C.input_scroll_notch(4)
		ih.scrollAccumY += pixelsPerNotch
	}
	for ih.scrollAccumY >= pixelsPerNotch {
		C.input_scroll_notch(5)
		ih.scrollAccumY -= pixelsPerNotch
	}
	for ih.scrollAccumX <= -pixelsPerNotch {
		C.input_scroll_notch(6)
		ih.scrollAccumX += pixelsPerNotch
	}
	for ih.scrollAccumX >= pixelsPerNotch {
		C.input_scroll_notch(7)
		ih.scrollAccumX -= pixelsPerNotch
	}
}

func (ih *InputHandler) Close() {
	C.input_destroy()
}

func clampCoord(v float64) float64 {
	if v > mouseClamp {
		return mouseClamp
	}
	if v < -mouseClamp {
		return -mouseClamp
	}
	return v
}

func browserButtonToX11(button uint8) int {
	switch button {
	case 0:
		return 1 // Left
	case 1:
		return 2 // Middle
	case 2:
		return 3 // Right
	default:
		return 1
	}
}

func boolToC(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
