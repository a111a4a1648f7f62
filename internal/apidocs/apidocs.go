// Package apidocs registers the OpenAPI document of the local API with swag
// so the swagger UI can serve it.
package apidocs

import (
	_ "embed"

	"github.com/swaggo/swag"
)

//go:embed swagger.json
var doc string

type document struct{}

func (document) ReadDoc() string {
	return doc
}

func init() {
	swag.Register(swag.Name, document{})
}
