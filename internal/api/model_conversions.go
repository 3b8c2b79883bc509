package api

import (
	"inference-relay/internal/records"
	"inference-relay/pkg/api"
)

func convertRecord(r records.LogRecord) api.Record {
	return api.Record{
		SubmissionId: r.SubmissionId,
		Timestamp:    r.Timestamp,
		SenderId:     r.SenderId,
		SenderName:   r.SenderName,
		Phone:        r.Phone,
		Counter:      r.Counter,
		Inference:    r.Inference,
		ModelName:    r.ModelName,
		ObjectCount:  r.ObjectCount,
		CurrentTime:  r.CurrentTime,
		WHCheck:      r.WHCheck,
		FileName:     r.FileName,
	}
}

func convertRecords(rs []records.LogRecord) []api.Record {
	out := make([]api.Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, convertRecord(r))
	}
	return out
}
