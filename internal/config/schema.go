package config

// configSchema is the JSON Schema the configuration document must satisfy.
// Structural validation happens here; cross-field rules (unique backend
// ids, client grant types) are checked in validate().
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "host": {"type": "string"},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "logLevel": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "auth": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "staticTokens": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "issuer": {"type": "string"},
        "accessTokenTTL": {"$ref": "#/definitions/duration"},
        "refreshTokenTTL": {"$ref": "#/definitions/duration"},
        "clients": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["id", "secret"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "secret": {"type": "string", "minLength": 1},
              "name": {"type": "string"},
              "scopes": {"type": "array", "items": {"type": "string"}},
              "grantTypes": {
                "type": "array",
                "items": {
                  "type": "string",
                  "enum": ["client_credentials", "password", "refresh_token"]
                }
              }
            }
          }
        }
      }
    },
    "rateLimit": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "requestsPerMinute": {"type": "integer", "minimum": 1},
        "burst": {"type": "integer", "minimum": 1}
      }
    },
    "aggregator": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "callTimeout": {"$ref": "#/definitions/duration"},
        "sessionIdleTimeout": {"$ref": "#/definitions/duration"},
        "keepAliveInterval": {"$ref": "#/definitions/duration"},
        "healthCheckInterval": {"$ref": "#/definitions/duration"}
      }
    },
    "backends": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "command"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "pattern": "^[a-zA-Z0-9_.-]+$"},
          "transport": {"type": "string", "enum": ["stdio"]},
          "command": {"type": "string", "minLength": 1},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}},
          "enabled": {"type": "boolean"},
          "connectTimeout": {"$ref": "#/definitions/duration"},
          "requestTimeout": {"$ref": "#/definitions/duration"},
          "maxRestarts": {"type": "integer", "minimum": 1}
        }
      }
    }
  },
  "definitions": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)([0-9]+(ns|us|µs|ms|s|m|h))*$"
    }
  }
}`
