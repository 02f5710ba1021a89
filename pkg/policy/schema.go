package policy

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// candidateSchema is the structural contract every candidate bundle must
// satisfy before any semantic gate looks at it.
const candidateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "origin", "action"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "origin": {"enum": ["native", "delegated"]},
    "action": {
      "type": "object",
      "required": ["type", "author"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "author": {"type": "string", "minLength": 1},
        "scope": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["resource", "operation"],
            "properties": {
              "resource": {"type": "string", "minLength": 1},
              "operation": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "scope_claim": {
      "type": "object",
      "required": ["claim"],
      "properties": {
        "observation_ids": {"type": ["array", "null"], "items": {"type": "string"}},
        "claim": {"type": "string"}
      }
    },
    "citations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["clause_id"],
        "properties": {"clause_id": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

func compileCandidateSchema() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("candidate.schema.json", candidateSchema)
}
