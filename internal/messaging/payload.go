package messaging

import (
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/errors"
)

// EventFields flattens ev into the fields carried on the wire. Only the
// fields relevant to the event type are present.
func EventFields(ev stratum.Event) map[string]any {
	fields := map[string]any{
		"type":     ev.Type.String(),
		"time":     ev.Time.UTC().Format(time.RFC3339Nano),
		"accepted": ev.Stats.Accepted,
		"rejected": ev.Stats.Rejected,
	}
	if ev.Endpoint != "" {
		fields["endpoint"] = ev.Endpoint
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}

	switch ev.Type {
	case stratum.EventJob:
		if ev.Job != nil {
			fields["job_id"] = ev.Job.ID
			fields["prev_hash"] = ev.Job.PrevHash
			fields["clean_jobs"] = ev.Job.CleanJobs
			fields["merkle_branches"] = len(ev.Job.MerkleBranch)
		}
		fields["difficulty"] = ev.Difficulty
		fields["version_mask"] = ev.VersionMask
	case stratum.EventDifficulty:
		fields["difficulty"] = ev.Difficulty
	case stratum.EventVersionMask:
		fields["version_mask"] = ev.VersionMask
	case stratum.EventExtranonce:
		fields["extranonce1"] = ev.Extranonce1
		fields["extranonce2_size"] = ev.Extranonce2Size
	case stratum.EventShareResult:
		if ev.Share != nil {
			fields["request_id"] = ev.Share.RequestID
			fields["job_id"] = ev.Share.JobID
			fields["nonce"] = ev.Share.Nonce
			fields["share_accepted"] = ev.Share.Accepted
			fields["latency_ms"] = float64(ev.Share.Latency) / float64(time.Millisecond)
			if ev.Share.Err != nil {
				fields["reject_code"] = ev.Share.Err.Code
				fields["reject_reason"] = ev.Share.Err.Message
			}
		}
	case stratum.EventAuthorized:
		fields["authorized"] = ev.Authorized
	}
	return fields
}

// MarshalEvent encodes ev as a protobuf Struct
func MarshalEvent(ev stratum.Event) ([]byte, error) {
	st, err := structpb.NewStruct(EventFields(ev))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "event_struct",
			"failed to build event payload").
			WithContext("event_type", ev.Type.String())
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal event payload").
			WithContext("event_type", ev.Type.String())
	}
	return data, nil
}

// UnmarshalEvent decodes a payload written by MarshalEvent
func UnmarshalEvent(data []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "protobuf_unmarshal",
			"failed to unmarshal event payload").
			WithContext("message_size", len(data))
	}
	return st.AsMap(), nil
}
