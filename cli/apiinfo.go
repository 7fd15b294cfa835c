package cli

import (
	"net/http"
	"regexp"
	"strings"
)

// infoWithToken matches "<jwt>:<addr>"
var infoWithToken = regexp.MustCompile(`^[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]*:.+$`)

type APIInfo struct {
	Addr  string
	Token []byte
}

// ParseApiInfo parses "token:url" as produced by `lattice auth api-info`. A
// bare url is accepted too and yields an unauthenticated client.
func ParseApiInfo(s string) APIInfo {
	var tok []byte
	if infoWithToken.MatchString(s) {
		sp := strings.SplitN(s, ":", 2)
		tok = []byte(sp[0])
		s = sp[1]
	}
	return APIInfo{Addr: strings.TrimSpace(s), Token: tok}
}

func (a APIInfo) AuthHeader() http.Header {
	if len(a.Token) != 0 {
		headers := http.Header{}
		headers.Add("Authorization", "Bearer "+string(a.Token))
		return headers
	}
	log.Warn("API Token not set and requested, capabilities might be limited.")
	return nil
}
