package mcphttp

import (
	"net"
	"net/http"
	"strings"
)

// ServerIDHeader explicitly selects the virtual server for a request.
const ServerIDHeader = "X-Server-UUID"

// MinTokenLength is the shortest host label accepted as a server identifier.
const MinTokenLength = 32

// ExtractServerID resolves the virtual server a request addresses. The explicit header wins;
// otherwise the host must be {token}.{rootDomain}[:port] with a single-label token of at
// least MinTokenLength characters. Anything else has no server context.
func ExtractServerID(r *http.Request, rootDomain string) (string, bool) {
	if id := r.Header.Get(ServerIDHeader); id != "" {
		return id, true
	}
	return serverIDFromHost(r.Host, rootDomain)
}

func serverIDFromHost(host, rootDomain string) (string, bool) {
	if host == "" || rootDomain == "" {
		return "", false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	suffix := "." + rootDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	token := strings.TrimSuffix(host, suffix)
	if len(token) < MinTokenLength || strings.Contains(token, ".") {
		return "", false
	}
	return token, true
}
