package ticketref

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Parsing failures. ErrFormat means the payload does not look like a ticket
// at all; ErrVerification means it does but its HMAC code is wrong.
var (
	ErrFormat       = errors.New("invalid ticket format")
	ErrVerification = errors.New("invalid ticket code")
)

// codeLength is the number of uppercase hex characters kept from the
// HMAC-SHA256 digest.
const codeLength = 12

// DefaultGateMapping maps attraction tags to the two-digit gate codes
// embedded in ticket payloads.
var DefaultGateMapping = map[string]string{
	"A": "01",
	"B": "02",
	"C": "03",
}

// Ticket is a parsed, verified QR payload of the form
// YYYYMMDD-SERIAL-GATES-CODE, where GATES is a run of 4-character GGNN
// groups (gate code, passenger count) and CODE authenticates the rest.
type Ticket struct {
	Date        string
	Serial      string
	ReferenceNo string
	GatePax     map[string]int
	Code        string
	Payload     string
}

// Parser verifies ticket payloads against a shared HMAC secret.
type Parser struct {
	secret      []byte
	gateMapping map[string]string
}

// NewParser builds a parser. A nil mapping uses DefaultGateMapping.
func NewParser(secret string, gateMapping map[string]string) *Parser {
	if gateMapping == nil {
		gateMapping = DefaultGateMapping
	}
	return &Parser{secret: []byte(secret), gateMapping: gateMapping}
}

// Parse splits and verifies one QR payload. The returned ReferenceNo
// (YYYYMMDD-SERIAL) is the store lookup key.
func (p *Parser) Parse(payload string) (*Ticket, error) {
	parts := strings.Split(payload, "-")
	if len(parts) < 4 {
		return nil, fmt.Errorf("%w: expected 4 dash-separated parts, got %d", ErrFormat, len(parts))
	}

	date, serial, gates := parts[0], parts[1], parts[2]
	code := strings.Join(parts[3:], "-")

	if len(date) != 8 || !digitsOnly(date) {
		return nil, fmt.Errorf("%w: bad date %q", ErrFormat, date)
	}
	if serial == "" || !digitsOnly(serial) {
		return nil, fmt.Errorf("%w: bad serial %q", ErrFormat, serial)
	}
	if gates == "" || len(gates)%4 != 0 {
		return nil, fmt.Errorf("%w: bad gates segment %q", ErrFormat, gates)
	}

	gatePax := make(map[string]int, len(gates)/4)
	for i := 0; i < len(gates); i += 4 {
		gateCode := gates[i : i+2]
		pax, err := strconv.Atoi(gates[i+2 : i+4])
		if err != nil {
			return nil, fmt.Errorf("%w: bad passenger count in %q", ErrFormat, gates)
		}
		gatePax[gateCode] = pax
	}

	data := date + "-" + serial + "-" + gates
	if !hmac.Equal([]byte(p.VerificationCode(data)), []byte(strings.ToUpper(code))) {
		return nil, ErrVerification
	}

	return &Ticket{
		Date:        date,
		Serial:      serial,
		ReferenceNo: date + "-" + serial,
		GatePax:     gatePax,
		Code:        strings.ToUpper(code),
		Payload:     payload,
	}, nil
}

// VerificationCode computes the code for a payload without its code part:
// the first 12 uppercase hex characters of HMAC-SHA256(secret, data).
func (p *Parser) VerificationCode(data string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(data))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))[:codeLength]
}

// AttractionPax returns the passenger count the payload carries for an
// attraction tag, zero when the ticket does not cover it.
func (p *Parser) AttractionPax(t *Ticket, tag string) int {
	gateCode, ok := p.gateMapping[strings.ToUpper(tag)]
	if !ok {
		return 0
	}
	return t.GatePax[gateCode]
}

// Generate builds a full signed payload for the given date (YYYYMMDD),
// serial and per-attraction passenger counts. Used by the fixtures CLI to
// produce scannable test tickets.
func (p *Parser) Generate(date, serial string, paxByTag map[string]int) (string, error) {
	if len(date) != 8 || !digitsOnly(date) {
		return "", fmt.Errorf("%w: bad date %q", ErrFormat, date)
	}
	if serial == "" || !digitsOnly(serial) {
		return "", fmt.Errorf("%w: bad serial %q", ErrFormat, serial)
	}

	tags := make([]string, 0, len(paxByTag))
	for tag := range paxByTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var gates strings.Builder
	for _, tag := range tags {
		gateCode, ok := p.gateMapping[strings.ToUpper(tag)]
		if !ok {
			return "", fmt.Errorf("%w: no gate code for attraction %q", ErrFormat, tag)
		}
		pax := paxByTag[tag]
		if pax < 0 || pax > 99 {
			return "", fmt.Errorf("%w: passenger count %d out of range", ErrFormat, pax)
		}
		fmt.Fprintf(&gates, "%s%02d", gateCode, pax)
	}
	if gates.Len() == 0 {
		return "", fmt.Errorf("%w: no attractions", ErrFormat)
	}

	data := date + "-" + serial + "-" + gates.String()
	return data + "-" + p.VerificationCode(data), nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
