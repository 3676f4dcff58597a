package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/toolrelay/internal/logx"
)

//go:embed openapi.yaml
var openapiYAML []byte

var (
	docOnce sync.Once
	docJSON []byte
	docErr  error
)

// OpenAPI loads and validates the embedded API description.
func OpenAPI() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiYAML)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, err
	}
	return doc, nil
}

// OpenAPIHandler serves the API description as JSON.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		docOnce.Do(func() {
			doc, err := OpenAPI()
			if err != nil {
				docErr = err
				return
			}
			docJSON, docErr = json.Marshal(doc)
		})
		if docErr != nil {
			logx.Log.Error().Err(docErr).Msg("openapi document")
			http.Error(w, "openapi document unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(docJSON)
	}
}
