package observability

import (
	"fmt"
	"net/url"
	"strings"
)

// normalizeOTLPHTTPPath appends the signal suffix (e.g. /v1/metrics) to an
// OTLP HTTP endpoint unless it is already present. Query parameters and
// fragments survive untouched.
func normalizeOTLPHTTPPath(endpoint, suffix string) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	normalized := "/" + strings.Trim(strings.TrimSpace(suffix), "/")

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	path := strings.TrimSuffix(parsed.Path, "/")
	switch {
	case path == "":
		parsed.Path = normalized
	case strings.HasSuffix(path, normalized):
		parsed.Path = path
	default:
		parsed.Path = path + normalized
	}
	return parsed.String(), nil
}

// parseGRPCEndpoint reduces an OTLP gRPC endpoint to host:port and reports
// whether the connection should skip TLS. A bare host:port is treated as
// insecure, matching collector defaults for local deployments.
func parseGRPCEndpoint(raw string) (endpoint string, insecure bool, err error) {
	endpoint = strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return "", false, err
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("endpoint must include host")
		}
		switch parsed.Scheme {
		case "http", "grpc":
			return parsed.Host, true, nil
		case "https", "grpcs":
			return parsed.Host, false, nil
		default:
			return "", false, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
		}
	}

	if !strings.Contains(endpoint, ":") {
		return "", false, fmt.Errorf("endpoint should include host:port")
	}
	return endpoint, true, nil
}
