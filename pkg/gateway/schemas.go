package gateway

const sessionParamsSchema = `{
	"type": "object",
	"required": ["session_id"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"reason": {"type": "string"}
	}
}`

const changeModelParamsSchema = `{
	"type": "object",
	"required": ["session_id", "model"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"model": {"type": "string", "minLength": 1}
	}
}`

const changePermissionsParamsSchema = `{
	"type": "object",
	"required": ["session_id", "permission_mode"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"permission_mode": {"enum": ["default", "acceptEdits", "bypassPermissions", "plan"]}
	}
}`

const queueCommandParamsSchema = `{
	"type": "object",
	"required": ["kind", "session_id"],
	"properties": {
		"kind": {"enum": ["pause", "resume", "terminate", "changeModel", "changePermissions"]},
		"session_id": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"permission_mode": {"enum": ["default", "acceptEdits", "bypassPermissions", "plan"]},
		"reason": {"type": "string"}
	}
}`

const cleanupParamsSchema = `{
	"type": "object",
	"properties": {
		"older_than_ms": {"type": "integer", "minimum": 0}
	}
}`
