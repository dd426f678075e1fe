// Package swagger registers the OpenAPI document served at /swagger/.
// Regenerate with: swag init -g internal/api/api.go -o build/swagger
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "vulnhash"
        },
        "license": {
            "name": "Apache 2.0",
            "url": "https://www.apache.org/licenses/LICENSE-2.0.html"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/lookup": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Return the CVEs of records matching the artifact's combined hash, plus those of every record whose file hashes are all contained in the artifact. When a policy is configured the response carries its verdict.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Lookup"],
                "summary": "Look up an artifact",
                "parameters": [
                    {
                        "description": "Artifact fingerprints",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/api.LookupRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.CVEListResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "500": {"description": "Internal server error", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/hash/{hash}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Return the CVEs of the record whose combined hash matches exactly",
                "produces": ["application/json"],
                "tags": ["Lookup"],
                "summary": "Look up a hash",
                "parameters": [
                    {"type": "string", "description": "Combined hash", "name": "hash", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.CVEListResponse"}},
                    "400": {"description": "Hash is required", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "500": {"description": "Internal server error", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/properties": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Return the CVEs of every record carrying all of the given metadata pairs",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Lookup"],
                "summary": "Look up by properties",
                "parameters": [
                    {
                        "description": "Metadata pairs",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/api.PropertiesRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.CVEListResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "500": {"description": "Internal server error", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/embedded": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Return the CVEs of every record whose file hashes are all in the given set",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Lookup"],
                "summary": "Look up by embedded file hashes",
                "parameters": [
                    {
                        "description": "File hashes",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/api.EmbeddedRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.CVEListResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "500": {"description": "Internal server error", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/sync": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Fetch the removed and updated records since the last sync and apply them. Blocks until the run finishes.",
                "produces": ["application/json"],
                "tags": ["Actions"],
                "summary": "Synchronize",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.SyncResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "403": {"description": "Read-only mode", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "500": {"description": "Sync failed", "schema": {"$ref": "#/definitions/api.SyncResponse"}},
                    "502": {"description": "Feed unreachable or malformed", "schema": {"$ref": "#/definitions/api.SyncResponse"}}
                }
            }
        },
        "/cache/purge": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Actions"],
                "summary": "Purge the result cache",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.PurgeResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "403": {"description": "Read-only mode", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "500": {"description": "Purge failed", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Status"],
                "summary": "Status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.StatusResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "500": {"description": "Internal server error", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/tolerations": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "List the CVE tolerations applied during policy evaluation, sorted by CVE id",
                "produces": ["application/json"],
                "tags": ["Status"],
                "summary": "List tolerations",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/api.ToleratedCVEResponse"}}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "api.CVEListResponse": {
            "type": "object",
            "properties": {
                "cves": {"type": "array", "items": {"type": "string"}},
                "policy": {"$ref": "#/definitions/api.PolicyDecisionResponse"},
                "vulnerable": {"type": "boolean"}
            }
        },
        "api.EmbeddedRequest": {
            "type": "object",
            "properties": {
                "file_hashes": {"type": "array", "items": {"type": "string"}}
            }
        },
        "api.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"}
            }
        },
        "api.LookupRequest": {
            "type": "object",
            "properties": {
                "file_hashes": {"type": "object", "additionalProperties": {"type": "string"}},
                "hash": {"type": "string", "example": "deadbeef"},
                "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "api.PolicyDecisionResponse": {
            "type": "object",
            "properties": {
                "expiring_tolerations": {"type": "array", "items": {"$ref": "#/definitions/api.ToleratedCVEResponse"}},
                "failing_cves": {"type": "array", "items": {"type": "string"}},
                "passed": {"type": "boolean"},
                "reason": {"type": "string"},
                "tolerated_cves": {"type": "array", "items": {"$ref": "#/definitions/api.ToleratedCVEResponse"}}
            }
        },
        "api.PropertiesRequest": {
            "type": "object",
            "properties": {
                "properties": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "api.PurgeResponse": {
            "type": "object",
            "properties": {
                "purged": {"type": "boolean"}
            }
        },
        "api.StatusResponse": {
            "type": "object",
            "properties": {
                "cve_rows": {"type": "integer"},
                "file_hashes": {"type": "integer"},
                "last_sync": {"$ref": "#/definitions/api.SyncResponse"},
                "last_updated": {"type": "string"},
                "records": {"type": "integer"}
            }
        },
        "api.SyncResponse": {
            "type": "object",
            "properties": {
                "added": {"type": "integer"},
                "attempts": {"type": "integer"},
                "cache_purged": {"type": "boolean"},
                "cursor": {"type": "string"},
                "duration_ms": {"type": "integer"},
                "error": {"type": "string"},
                "removed": {"type": "integer"},
                "run_id": {"type": "string"},
                "since": {"type": "string"},
                "skipped": {"type": "integer"}
            }
        },
        "api.ToleratedCVEResponse": {
            "type": "object",
            "properties": {
                "cve_id": {"type": "string"},
                "expires_at": {"type": "string"},
                "statement": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "Enter your API key (with or without \"Bearer \" prefix)",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "vulnhash API",
	Description:      "REST API for looking up known-vulnerable artifacts by their content hashes.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
