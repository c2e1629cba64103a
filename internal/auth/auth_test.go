package auth

import (
	"errors"
	"net/url"
	"testing"

	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logs.Logf("auth/static-token: stored=%q input=%q", tc.stored, tc.input)
			err := (StaticToken{Token: tc.stored}).Validate(Credentials{Token: tc.input})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestStaticUserValidate(t *testing.T) {
	testlog.Start(t)
	v := StaticUser{User: "derek", Password: "s3cr3t"}
	if err := v.Validate(Credentials{User: "derek", Password: "s3cr3t"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := v.Validate(Credentials{User: "derek", Password: "nope"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := (StaticUser{}).Validate(Credentials{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for empty user, got %v", err)
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(c Credentials) error {
		if c.Token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate(Credentials{Token: "bad"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate(Credentials{Token: "ok"}); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestResolveCredentials(t *testing.T) {
	testlog.Start(t)
	withPass, _ := url.Parse("nats://alice:pw@127.0.0.1:4222")
	withToken, _ := url.Parse("nats://tok123@127.0.0.1:4222")
	bare, _ := url.Parse("nats://127.0.0.1:4222")

	if got := Resolve(Credentials{}, withPass); got.User != "alice" || got.Password != "pw" {
		t.Fatalf("unexpected user/pass creds: %+v", got)
	}
	if got := Resolve(Credentials{}, withToken); got.Token != "tok123" || got.User != "" {
		t.Fatalf("unexpected token creds: %+v", got)
	}
	if got := Resolve(Credentials{}, bare); !got.Empty() {
		t.Fatalf("expected empty creds: %+v", got)
	}
	if got := Resolve(Credentials{Token: "cfg"}, withPass); got.Token != "cfg" || got.User != "" {
		t.Fatalf("configured creds should win: %+v", got)
	}
}

func TestRedact(t *testing.T) {
	testlog.Start(t)
	if got := Redact("nats://alice:pw@10.0.0.1:4222"); got != "nats://10.0.0.1:4222" {
		t.Fatalf("unexpected redaction: %q", got)
	}
	if got := Redact("10.0.0.1:4222"); got != "10.0.0.1:4222" {
		t.Fatalf("unexpected passthrough: %q", got)
	}
}
