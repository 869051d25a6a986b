package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", []string{}, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR range", []string{"10.0.0.0/8"}, 1},
		{"multiple entries", []string{"192.168.1.1", "10.0.0.0/8", "172.16.0.0/12"}, 3},
		{"with whitespace", []string{"  192.168.1.1  ", " 10.0.0.0/8 "}, 2},
		{"invalid entries ignored", []string{"192.168.1.1", "invalid", "10.0.0.0/33"}, 1},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowedIPs, newTestLogger())
			if f.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", f.Count(), tt.wantCount)
			}
			if f.Enabled() != (tt.wantCount > 0) {
				t.Errorf("Enabled() = %v, want %v", f.Enabled(), tt.wantCount > 0)
			}
		})
	}
}

func TestIsAllowedString(t *testing.T) {
	f := New([]string{"192.168.1.1", "10.0.0.0/8", "2001:db8::/32"}, newTestLogger())

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"10.20.30.40", true},
		{"::ffff:10.1.1.1", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		if got := f.IsAllowedString(tt.ip); got != tt.want {
			t.Errorf("IsAllowedString(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestEmptyFilterAllowsAll(t *testing.T) {
	f := New(nil, newTestLogger())
	if !f.IsAllowedString("8.8.8.8") {
		t.Error("empty filter denied 8.8.8.8")
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name    string
		proxies []string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", nil, "1.2.3.4:5678", nil, "1.2.3.4"},
		{"untrusted xff ignored", nil, "1.2.3.4:5678", map[string]string{"X-Forwarded-For": "9.9.9.9"}, "1.2.3.4"},
		{"trusted xff", []string{"127.0.0.1"}, "127.0.0.1:80", map[string]string{"X-Forwarded-For": "9.9.9.9, 127.0.0.1"}, "9.9.9.9"},
		{"trusted real ip", []string{"127.0.0.0/8"}, "127.0.0.1:80", map[string]string{"X-Real-IP": "8.8.4.4"}, "8.8.4.4"},
		{"no port", nil, "5.6.7.8", nil, "5.6.7.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, newTestLogger()).WithTrustedProxies(tt.proxies)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			addr, ok := f.ClientAddr(req)
			if !ok {
				t.Fatal("ClientAddr failed")
			}
			if addr.String() != tt.want {
				t.Errorf("ClientAddr() = %s, want %s", addr, tt.want)
			}
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	f := New([]string{"10.0.0.0/8"}, newTestLogger())
	handler := f.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.2.3:1000", http.StatusOK},
		{"192.168.1.1:1000", http.StatusForbidden},
		{"garbage", http.StatusForbidden},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}
