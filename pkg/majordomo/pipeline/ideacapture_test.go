package pipeline

import "testing"

func TestCaptureKind(t *testing.T) {
	cases := []struct {
		in       string
		wantKind string
		wantBody string
	}{
		{"idea build a birdhouse", "idea", "build a birdhouse"},
		{"Idea: paint the fence", "idea", "paint the fence"},
		{"[idea] solar panels", "idea", "solar panels"},
		{"#idea garden lights", "idea", "garden lights"},
		{"idée construire une cabane", "idea", "construire une cabane"},
		{"ideia pintar a casa", "idea", "pintar a casa"},
		{"backlog fix the gutter", "backlog", "fix the gutter"},
		{"todo call the plumber", "backlog", "call the plumber"},
		{"[backlog] renew passport", "backlog", "renew passport"},
		{"just a normal message", "", ""},
		{"the idea of this is fine", "", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		kind, body := captureKind(tc.in)
		if kind != tc.wantKind {
			t.Errorf("captureKind(%q) kind = %q, want %q", tc.in, kind, tc.wantKind)
			continue
		}
		if kind != "" && body != tc.wantBody {
			t.Errorf("captureKind(%q) body = %q, want %q", tc.in, body, tc.wantBody)
		}
	}

	t.Run("bare marker keeps full text", func(t *testing.T) {
		kind, body := captureKind("idea")
		if kind != "idea" || body != "idea" {
			t.Errorf("got %q/%q", kind, body)
		}
	})
}

func TestFoldAccents(t *testing.T) {
	cases := map[string]string{
		"idée":  "idee",
		"tarea": "tarea",
		"café":  "cafe",
	}
	for in, want := range cases {
		if got := foldAccents(in); got != want {
			t.Errorf("foldAccents(%q) = %q, want %q", in, got, want)
		}
	}
}
