package signalingclient

import "testing"

func TestExtractUfrag(t *testing.T) {
	sdp := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\na=group:BUNDLE 0\r\na=ice-ufrag:abc\r\na=ice-pwd:xyz\r\n"
	if got := extractUfrag(sdp); got != "abc" {
		t.Fatalf("extractUfrag() = %q, want %q", got, "abc")
	}
}

func TestExtractUfragMissing(t *testing.T) {
	sdp := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"
	if got := extractUfrag(sdp); got != "" {
		t.Fatalf("extractUfrag() = %q, want empty", got)
	}
}
