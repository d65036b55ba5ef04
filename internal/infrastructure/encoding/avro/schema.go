package avro

// SettlementEventSchema is the Avro schema of events on the settlement topic.
// Optional fields are ["null", "string"] unions.
const SettlementEventSchema = `{
	"type": "record",
	"name": "SettlementEvent",
	"namespace": "pg_settlement.events",
	"fields": [
		{"name": "event_id", "type": "string"},
		{"name": "event_type", "type": "string"},
		{"name": "order_id", "type": "string"},
		{"name": "shop_order_no", "type": "string"},
		{"name": "status", "type": "string"},
		{"name": "previous_status", "type": ["null", "string"], "default": null},
		{"name": "flag", "type": ["null", "string"], "default": null},
		{"name": "total", "type": "long"},
		{"name": "pg_authorization_id", "type": ["null", "string"], "default": null},
		{"name": "occurred_at", "type": {"type": "long", "logicalType": "timestamp-millis"}}
	]
}`
