package classify

import (
	"fmt"
	"mime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Sender is the parsed From header.
type Sender struct {
	Address  string
	Name     string
	Strategy string // which parser produced it
}

type senderStrategy struct {
	name  string
	parse func(from string) (Sender, bool)
}

// Tried in order; the first success wins.
var senderStrategies = []senderStrategy{
	{name: "address-list", parse: parseAddressList},
	{name: "bracketed", parse: parseBracketed},
	{name: "bare", parse: parseBare},
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// ParseSender extracts the sender address and display name from a From
// header value. The address is normalized with NormalizeAddress; a missing
// display name is derived from the local part.
func ParseSender(from string) (Sender, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return Sender{}, fmt.Errorf("%w: empty From header", ErrMalformed)
	}
	for _, s := range senderStrategies {
		got, ok := s.parse(from)
		if !ok {
			continue
		}
		addr := NormalizeAddress(got.Address)
		if addr == "" {
			continue
		}
		name := strings.TrimSpace(got.Name)
		if name == "" || strings.EqualFold(name, got.Address) {
			name = nameFromAddress(addr)
		}
		return Sender{Address: addr, Name: name, Strategy: s.name}, nil
	}
	return Sender{}, fmt.Errorf("%w: unparseable From header %q", ErrMalformed, from)
}

func parseAddressList(from string) (Sender, bool) {
	h := mail.HeaderFromMap(map[string][]string{"From": {from}})
	addrs, err := h.AddressList("From")
	if err != nil {
		return Sender{}, false
	}
	for _, a := range addrs {
		if a != nil && validAddress(a.Address) {
			return Sender{Address: a.Address, Name: a.Name}, true
		}
	}
	return Sender{}, false
}

// parseBracketed handles `Name <addr>` forms that RFC 5322 parsing rejects,
// such as unquoted display names containing specials.
func parseBracketed(from string) (Sender, bool) {
	open := strings.LastIndexByte(from, '<')
	if open < 0 {
		return Sender{}, false
	}
	end := strings.IndexByte(from[open:], '>')
	if end < 0 {
		return Sender{}, false
	}
	addr := strings.TrimSpace(from[open+1 : open+end])
	if !validAddress(addr) {
		return Sender{}, false
	}
	start := strings.LastIndexByte(from[:open], ',') + 1
	name := strings.Trim(from[start:open], `"' `)
	if decoded, err := wordDecoder.DecodeHeader(name); err == nil {
		name = decoded
	}
	return Sender{Address: addr, Name: name}, true
}

// parseBare picks the first token that looks like local@domain.
func parseBare(from string) (Sender, bool) {
	fields := strings.FieldsFunc(from, func(r rune) bool {
		switch r {
		case ' ', '\t', ',', ';':
			return true
		}
		return false
	})
	for _, f := range fields {
		f = strings.Trim(f, `<>"'()[]`)
		if validAddress(f) {
			return Sender{Address: f}, true
		}
	}
	return Sender{}, false
}

func validAddress(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	if strings.ContainsAny(addr, " \t<>\",;") {
		return false
	}
	return strings.Count(addr, "@") == 1
}

// NormalizeAddress lowercases an address and strips a +alias from the local
// part: User+news@Example.com -> user@example.com. Dots in the local part are
// kept; only some providers ignore them.
func NormalizeAddress(addr string) string {
	email := strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	local := email[:at]
	domain := email[at+1:]
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// nameFromAddress turns "jane.doe@x.com" into "Jane Doe".
func nameFromAddress(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at <= 0 {
		return addr
	}
	parts := strings.FieldsFunc(addr[:at], func(r rune) bool { return r == '.' || r == '_' })
	for i := range parts {
		r, size := utf8.DecodeRuneInString(parts[i])
		parts[i] = string(unicode.ToUpper(r)) + parts[i][size:]
	}
	if len(parts) == 0 {
		return addr
	}
	return strings.Join(parts, " ")
}
