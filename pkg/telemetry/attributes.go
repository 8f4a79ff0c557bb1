// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Chimera orchestration telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Run attributes
	AttrRunID         = "chimera.run.id"
	AttrRunStatus     = "chimera.run.status"
	AttrRunStage      = "chimera.run.stage"
	AttrCorrelationID = "chimera.run.correlation_id"

	// Stage invocation attributes
	AttrSkillName      = "chimera.skill.name"
	AttrSkillVersion   = "chimera.skill.version"
	AttrStageAttempt   = "chimera.stage.attempt"
	AttrStageOutcome   = "chimera.stage.outcome"
	AttrStageDurationMs = "chimera.stage.duration_ms"

	// Context store attributes
	AttrArtifactKey      = "chimera.artifact.key"
	AttrArtifactRevision = "chimera.artifact.revision"
	AttrPartition        = "chimera.artifact.partition"

	// Federation attributes
	AttrPeerURL        = "chimera.federation.peer"
	AttrCapability     = "chimera.federation.capability"
	AttrTaskID         = "chimera.federation.task_id"
	AttrTaskStatus     = "chimera.federation.task_status"
	AttrRejectReason   = "chimera.federation.reject_reason"

	// Governance attributes
	AttrDecision       = "chimera.governance.decision"
	AttrDecisionReason = "chimera.governance.reason"
)

// RunAttributes returns common attributes for workflow run spans.
func RunAttributes(runID, status, stage string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrRunStatus, status))
	}
	if stage != "" {
		attrs = append(attrs, attribute.String(AttrRunStage, stage))
	}
	return attrs
}

// StageAttributes returns attributes for a stage invocation span.
func StageAttributes(skill, version string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSkillName, skill),
		attribute.String(AttrSkillVersion, version),
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int(AttrStageAttempt, attempt))
	}
	return attrs
}

// StageOutcomeAttributes returns attributes recorded after a stage attempt.
func StageOutcomeAttributes(outcome string, durationMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStageOutcome, outcome),
		attribute.Float64(AttrStageDurationMs, durationMs),
	}
}

// ArtifactAttributes returns attributes for context store operations.
func ArtifactAttributes(partition, key string, revision int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPartition, partition),
		attribute.String(AttrArtifactKey, key),
	}
	if revision > 0 {
		attrs = append(attrs, attribute.Int64(AttrArtifactRevision, revision))
	}
	return attrs
}

// FederationAttributes returns attributes for federation exchanges.
func FederationAttributes(peer, capability, taskID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if peer != "" {
		attrs = append(attrs, attribute.String(AttrPeerURL, peer))
	}
	if capability != "" {
		attrs = append(attrs, attribute.String(AttrCapability, capability))
	}
	if taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	return attrs
}

// GovernanceAttributes returns attributes for governance decisions.
func GovernanceAttributes(decision, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrDecision, decision),
	}
	if reason != "" {
		// Truncate long reasons
		if len(reason) > 200 {
			reason = reason[:200] + "..."
		}
		attrs = append(attrs, attribute.String(AttrDecisionReason, reason))
	}
	return attrs
}
