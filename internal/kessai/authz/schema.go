package authz

import "github.com/Treynis/ejbca/internal/kessai/docschema"

var documentSchema = docschema.MustCompile("access-rules", `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["roles"],
  "additionalProperties": false,
  "properties": {
    "roles": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "members", "rules"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "members": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["issuer_dn"],
              "additionalProperties": false,
              "properties": {
                "issuer_dn": {"type": "string", "minLength": 1},
                "serial": {"type": "string", "pattern": "^(0x)?[0-9A-Fa-f]+$"},
                "subject_dn": {"type": "string", "minLength": 1},
                "matrix_user": {"type": "string", "pattern": "^@[^:]+:.+$"}
              },
              "anyOf": [
                {"required": ["serial"]},
                {"required": ["subject_dn"]}
              ]
            }
          },
          "rules": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["resource"],
              "additionalProperties": false,
              "properties": {
                "resource": {"type": "string", "pattern": "^/"},
                "recursive": {"type": "boolean"},
                "deny": {"type": "boolean"},
                "condition": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    }
  }
}`)
