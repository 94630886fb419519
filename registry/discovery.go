package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/drojas/agentd"
)

// candidatePaths are tried in order against the base URL until one
// yields a document that looks like OpenAPI.
var candidatePaths = []string{
	"/openapi.json",
	"/api/openapi.json",
	"/swagger.json",
	"/v1/openapi.json",
	"/openapi",
	"/api-docs",
}

const maxSpecSize = 4 << 20 // 4 MiB

// Discover probes the base URL for an OpenAPI document and extracts its
// endpoint set. Returns the URL the document was found at and the
// endpoints sorted by (path, method).
func (r *Registry) Discover(ctx context.Context, baseURL string) (string, []agentd.Endpoint, error) {
	var lastErr error
	for _, p := range candidatePaths {
		specURL := baseURL + p
		doc, err := r.fetchSpec(ctx, specURL)
		if err != nil {
			lastErr = err
			continue
		}
		if !looksLikeOpenAPI(doc) {
			lastErr = fmt.Errorf("%s: not an OpenAPI document", specURL)
			continue
		}
		endpoints := extractEndpoints(doc)
		r.logger.Debug("openapi document found", "url", specURL, "endpoints", len(endpoints))
		return specURL, endpoints, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate paths")
	}
	return "", nil, fmt.Errorf("no openapi document at %s: %w", baseURL, lastErr)
}

func (r *Registry) fetchSpec(ctx context.Context, specURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", specURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", specURL, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%s: parse json: %w", specURL, err)
	}
	return doc, nil
}

// looksLikeOpenAPI checks for the markers a real spec carries, so that
// an HTML error page or an unrelated JSON API response is rejected.
func looksLikeOpenAPI(doc map[string]any) bool {
	if _, ok := doc["openapi"]; ok {
		return true
	}
	if _, ok := doc["swagger"]; ok {
		return true
	}
	_, hasPaths := doc["paths"]
	_, hasInfo := doc["info"]
	return hasPaths && hasInfo
}

var httpMethods = []string{"get", "post", "put", "patch", "delete"}

// extractEndpoints flattens the paths object into (method, path) pairs
// with operation metadata.
func extractEndpoints(doc map[string]any) []agentd.Endpoint {
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		return []agentd.Endpoint{}
	}

	var out []agentd.Endpoint
	for path, raw := range paths {
		ops, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, method := range httpMethods {
			op, ok := ops[method].(map[string]any)
			if !ok {
				continue
			}
			e := agentd.Endpoint{
				Path:   path,
				Method: strings.ToUpper(method),
			}
			if v, ok := op["operationId"].(string); ok {
				e.OperationID = v
			}
			if v, ok := op["summary"].(string); ok {
				e.Summary = v
			}
			if tags, ok := op["tags"].([]any); ok {
				for _, t := range tags {
					if s, ok := t.(string); ok {
						e.Tags = append(e.Tags, s)
					}
				}
			}
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	if out == nil {
		out = []agentd.Endpoint{}
	}
	return out
}
