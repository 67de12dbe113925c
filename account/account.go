package account

import (
	"fmt"
	"strings"
)

// Account is one upstream identity: credentials plus the session cookies
// captured at the last successful login.
type Account struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	TwoFA    string `json:"2fa,omitempty"`

	// Usable is the soft gate: cleared when the account must not be
	// dispatched anymore. IsLocked is the hard flag set when the upstream
	// reports the account locked; both survive restarts.
	Usable   bool `json:"usable"`
	IsLocked bool `json:"isLocked"`

	Cookies []Cookie `json:"cookie,omitempty"`
}

// Clone returns a copy that shares no mutable state with the original.
func (a *Account) Clone() Account {
	c := *a
	c.Cookies = append([]Cookie(nil), a.Cookies...)
	return c
}

// HasCookies reports whether a stored session exists for the account.
func (a *Account) HasCookies() bool {
	return len(a.Cookies) > 0
}

// Cookie is one stored session cookie in the registry file.
type Cookie struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Expires  string `json:"expires,omitempty"`
	Secure   bool   `json:"secure"`
	HttpOnly bool   `json:"httpOnly"`
	SameSite string `json:"sameSite,omitempty"`
}

// String renders the cookie in Set-Cookie form, the shape the driver
// accepts in setCookies.
func (c Cookie) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", c.Key, c.Value)
	if c.Domain != "" {
		fmt.Fprintf(&b, "; Domain=%s", c.Domain)
	}
	if c.Path != "" {
		fmt.Fprintf(&b, "; Path=%s", c.Path)
	}
	if c.Expires != "" {
		fmt.Fprintf(&b, "; Expires=%s", c.Expires)
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	if c.SameSite != "" {
		fmt.Fprintf(&b, "; SameSite=%s", c.SameSite)
	}
	return b.String()
}

// ParseCookie parses a Set-Cookie style string as returned by the driver's
// getCookies.
func ParseCookie(s string) (Cookie, error) {
	parts := strings.Split(s, ";")
	kv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	if len(kv) != 2 || kv[0] == "" {
		return Cookie{}, fmt.Errorf("cannot parse cookie from %q", s)
	}
	c := Cookie{
		Key:   kv[0],
		Value: kv[1],
	}
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		akv := strings.SplitN(attr, "=", 2)
		switch strings.ToLower(akv[0]) {
		case "domain":
			if len(akv) == 2 {
				c.Domain = akv[1]
			}
		case "path":
			if len(akv) == 2 {
				c.Path = akv[1]
			}
		case "expires":
			if len(akv) == 2 {
				c.Expires = akv[1]
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "samesite":
			if len(akv) == 2 {
				c.SameSite = akv[1]
			}
		}
	}
	return c, nil
}

// CookieStrings renders all stored cookies for the driver.
func (a *Account) CookieStrings() []string {
	ss := make([]string, 0, len(a.Cookies))
	for _, c := range a.Cookies {
		ss = append(ss, c.String())
	}
	return ss
}
