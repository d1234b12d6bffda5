package main

import "testing"

func TestNormalizeWSURL(t *testing.T) {
	testCases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "wss://abc.devtunnels.ms/ws", want: "wss://abc.devtunnels.ms/ws"},
		{raw: "https://abc.devtunnels.ms/", want: "wss://abc.devtunnels.ms/ws"},
		{raw: "  ws://127.0.0.1:8080/anything ", want: "ws://127.0.0.1:8080/ws"},
		{raw: "not a url", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := normalizeWSURL(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Errorf("normalizeWSURL(%q) = %q, want an error", tc.raw, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("normalizeWSURL(%q) = %q, %v, want %q", tc.raw, got, err, tc.want)
			}
		})
	}
}
