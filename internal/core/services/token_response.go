package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// tokenResponse is the JSON shape shared by the token and refresh endpoints.
type tokenResponse struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        *int64
	Error            string
	ErrorDescription string
	Extra            domain.TokenExtras
}

// parseTokenResponse decodes a token endpoint body. Unknown fields are kept
// in the bounded extras map; expires_in is accepted as a number or a
// numeric string and ignored when it is neither.
func parseTokenResponse(body []byte) (*tokenResponse, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode token response: body is null")
	}

	tr := &tokenResponse{}
	for name, value := range raw {
		switch name {
		case "access_token":
			tr.AccessToken = rawString(value)
		case "refresh_token":
			tr.RefreshToken = rawString(value)
		case "expires_in":
			tr.ExpiresIn = rawInt(value)
		case "error":
			tr.Error = rawString(value)
		case "error_description":
			tr.ErrorDescription = rawString(value)
		case "token_type":
			tr.Extra.TokenType = rawString(value)
		case "scope":
			tr.Extra.Scope = rawString(value)
		case "id_token":
			tr.Extra.IDToken = rawString(value)
		default:
			tr.Extra.SetField(name, rawString(value))
		}
	}
	return tr, nil
}

// expiresAt converts expires_in to an absolute time.
func (tr *tokenResponse) expiresAt(now time.Time) *time.Time {
	return expiryFromSeconds(tr.ExpiresIn, now)
}

// maxExpiresIn is the largest expires_in a time.Duration can hold.
const maxExpiresIn = math.MaxInt64 / int64(time.Second)

// expiryFromSeconds treats a value that is not positive, or too large to
// be a duration, as no expiry.
func expiryFromSeconds(seconds *int64, now time.Time) *time.Time {
	if seconds == nil || *seconds <= 0 || *seconds > maxExpiresIn {
		return nil
	}
	t := now.Add(time.Duration(*seconds) * time.Second)
	return &t
}

// parseSeconds parses a decimal seconds string, nil when unparsable.
func parseSeconds(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// rawString returns the JSON string value, or the raw JSON text for other kinds.
func rawString(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(value))
	if text == "null" {
		return ""
	}
	return text
}

func rawInt(value json.RawMessage) *int64 {
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return &i
		}
		if f, err := n.Float64(); err == nil {
			i := int64(f)
			return &i
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return parseSeconds(s)
	}
	return nil
}
