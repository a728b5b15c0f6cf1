package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldItemID is the standardized structured logging key for build queue item identifiers.
	FieldItemID = "item_id"
	// FieldStage is the standardized structured logging key for build stage names.
	FieldStage = "stage"
	// FieldImageRef is the standardized structured logging key for image references (name:tag).
	FieldImageRef = "image_ref"
	// FieldLayerDigest is the standardized structured logging key for committed layer digests.
	FieldLayerDigest = "layer_digest"
	// FieldInstanceID is the standardized structured logging key for container instance identifiers.
	FieldInstanceID = "instance_id"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags log records with a machine-readable event name.
	FieldEventType = "event_type"
	// FieldErrorHint carries the suggested operator next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for the user-facing consequence of a warning.
	FieldImpact = "impact"
)
