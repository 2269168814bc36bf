package objects

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// CatalogError is a failed catalog RPC. Status and Body are exactly what the
// backend returned.
type CatalogError struct {
	Status int
	Body   []byte
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog search failed with status %d: %s", e.Status, e.Body)
}

// ResponseBody returns the body to send to the client. A JSON backend body is
// returned untouched; anything else is wrapped in the gateway error shape so
// clients always receive JSON.
func (e *CatalogError) ResponseBody() []byte {
	if json.Valid(e.Body) {
		return e.Body
	}
	body, _ := json.Marshal(map[string]string{
		"statusCode": strconv.Itoa(e.Status),
		"error":      http.StatusText(e.Status),
		"message":    string(e.Body),
	})
	return body
}

// ResponseStatus returns the status to send to the client. Statuses outside
// the valid HTTP range become 500.
func (e *CatalogError) ResponseStatus() int {
	if e.Status < 100 || e.Status > 599 {
		return http.StatusInternalServerError
	}
	return e.Status
}
