package classify

import (
	"errors"
	"testing"
	"unicode/utf8"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`User@Example.COM`, "user@example.com"},
		{`user+news@Example.com`, "user@example.com"},
		{`user.name+tag@EXAMPLE.com`, "user.name@example.com"}, // dots preserved
		{`+only@example.com`, "+only@example.com"},
		{`no-at-sign`, ""},
		{``, ""},
	}
	for _, tc := range tests {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Errorf("NormalizeAddress(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseSender_Strategies(t *testing.T) {
	tests := []struct {
		in       string
		addr     string
		name     string
		strategy string
	}{
		{`Name <User@Example.COM>`, "user@example.com", "Name", "address-list"},
		{`"Alice" <user+news@Example.com>`, "user@example.com", "Alice", "address-list"},
		{`=?UTF-8?B?SsO2cmc=?= <jorg@example.com>`, "jorg@example.com", "Jörg", "address-list"},
		{`bob@example.com`, "bob@example.com", "Bob", "address-list"},
		{`jane.doe@example.com`, "jane.doe@example.com", "Jane Doe", "address-list"},
		{`Acme Co. [News] <news@acme.io>`, "news@acme.io", "Acme Co. [News]", "bracketed"},
		{`"A" <not-an-email> , "B" <c@D.com>`, "c@d.com", "B", "bracketed"},
		{`sent by alerts@example.org via relay`, "alerts@example.org", "Alerts", "bare"},
	}
	for _, tc := range tests {
		got, err := ParseSender(tc.in)
		if err != nil {
			t.Errorf("ParseSender(%q) error: %v", tc.in, err)
			continue
		}
		if got.Address != tc.addr || got.Name != tc.name || got.Strategy != tc.strategy {
			t.Errorf("ParseSender(%q) = %+v; want %s/%s via %s", tc.in, got, tc.addr, tc.name, tc.strategy)
		}
	}
}

func TestParseSender_NonASCIILocalPart(t *testing.T) {
	tests := []struct {
		in   string
		addr string
		name string
	}{
		{`élodie.martin@example.fr`, "élodie.martin@example.fr", "Élodie Martin"},
		{`<øystein_berg@example.no>`, "øystein_berg@example.no", "Øystein Berg"},
	}
	for _, tc := range tests {
		got, err := ParseSender(tc.in)
		if err != nil {
			t.Errorf("ParseSender(%q) error: %v", tc.in, err)
			continue
		}
		if !utf8.ValidString(got.Name) {
			t.Errorf("ParseSender(%q) name %q is not valid UTF-8", tc.in, got.Name)
		}
		if got.Address != tc.addr || got.Name != tc.name {
			t.Errorf("ParseSender(%q) = %+v; want %s/%s", tc.in, got, tc.addr, tc.name)
		}
	}
}

func TestParseSender_Failures(t *testing.T) {
	for _, in := range []string{"", "bad address", "<>", "Someone <someone>"} {
		if _, err := ParseSender(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseSender(%q) err = %v; want ErrMalformed", in, err)
		}
	}
}
