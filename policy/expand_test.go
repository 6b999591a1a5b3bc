package policy_test

import (
	"testing"

	"github.com/safeshell/safesh/policy"
)

func Test_Expand_Substitutes_Variables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		cwd  string
		home string
		want string
	}{
		{"cwd-braced", "${CWD}/src", "/work", "/home/u", "/work/src"},
		{"cwd-bare", "$CWD/src", "/work", "/home/u", "/work/src"},
		{"home-braced", "${HOME}/.cache", "/work", "/home/u", "/home/u/.cache"},
		{"relative", "src/main.go", "/work", "/home/u", "/work/src/main.go"},
		{"already-absolute-no-vars", "/abs/path", "/work", "/home/u", "/abs/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := policy.Expand(tt.path, tt.cwd, tt.home)
			if got != tt.want {
				t.Fatalf("Expand(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func Test_Expand_Idempotent_On_Absolute_Input_Without_Variables(t *testing.T) {
	t.Parallel()

	const path = "/abs/path/to/file"

	once := policy.Expand(path, "/work", "/home/u")
	twice := policy.Expand(once, "/work", "/home/u")

	if once != twice {
		t.Fatalf("Expand not idempotent: once=%q twice=%q", once, twice)
	}
}

func Test_MatchMask_Glob(t *testing.T) {
	t.Parallel()

	if !policy.MatchMask("AWS_SECRET_KEY", []string{"AWS_*"}) {
		t.Fatal("expected AWS_SECRET_KEY to match AWS_*")
	}

	if policy.MatchMask("PATH", []string{"AWS_*"}) {
		t.Fatal("did not expect PATH to match AWS_*")
	}
}

func Test_EffectiveEnv_Masks_Even_When_Allowed(t *testing.T) {
	t.Parallel()

	cfg := policy.Config{Env: policy.EnvPolicy{
		Allow: []string{"AWS_SECRET_KEY", "PATH"},
		Mask:  []string{"AWS_*"},
	}}

	host := map[string]string{"AWS_SECRET_KEY": "shh", "PATH": "/bin", "HOME": "/home/u"}

	got := cfg.EffectiveEnv(host)

	if _, ok := got["AWS_SECRET_KEY"]; ok {
		t.Fatal("masked env key AWS_SECRET_KEY must never be observed by the child")
	}

	if got["PATH"] != "/bin" {
		t.Fatalf("expected allowed PATH to pass through, got %v", got)
	}

	if _, ok := got["HOME"]; ok {
		t.Fatal("HOME was not in allow list and must not pass through")
	}
}
