package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// FallbackPathPrefix is the path under which fallback documents are served.
const FallbackPathPrefix = "/fallback/"

// Fallback describes the document returned when a service is unavailable.
type Fallback struct {
	Message string
	Service string
}

// DefaultFallbacks are the fallbacks of the user, product and order
// services and of the GraphQL endpoint.
func DefaultFallbacks() map[string]Fallback {
	return map[string]Fallback{
		"user-service":    {Message: unavailable("User Service"), Service: "user-service"},
		"product-service": {Message: unavailable("Product Service"), Service: "product-service"},
		"order-service":   {Message: unavailable("Order Service"), Service: "order-service"},
		"graphql":         {Message: unavailable("GraphQL Service"), Service: "product-service-graphql"},
	}
}

func unavailable(display string) string {
	return display + " is currently unavailable. Please try again later."
}

// fallbackFor returns the named fallback, deriving one from the service id
// ("inventory-service" becomes "Inventory Service") when none is defined.
func fallbackFor(table map[string]Fallback, name string) Fallback {
	if fb, ok := table[name]; ok {
		return fb
	}
	words := strings.Split(name, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	display := strings.Join(words, " ")
	if !strings.HasSuffix(display, " Service") {
		display += " Service"
	}
	return Fallback{Message: unavailable(display), Service: name}
}

type fallbackBody struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Service   string `json:"service"`
	Status    string `json:"status"`
}

type notFoundBody struct {
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Path      string `json:"path"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFallback(w http.ResponseWriter, fb Fallback, now time.Time) {
	writeJSON(w, http.StatusServiceUnavailable, fallbackBody{
		Timestamp: now.Format(time.RFC3339Nano),
		Message:   fb.Message,
		Service:   fb.Service,
		Status:    "SERVICE_UNAVAILABLE",
	})
}

func writeNotFound(w http.ResponseWriter, path string, now time.Time) {
	writeJSON(w, http.StatusNotFound, notFoundBody{
		Timestamp: now.Format(time.RFC3339Nano),
		Status:    http.StatusNotFound,
		Error:     "Not Found",
		Path:      path,
	})
}
