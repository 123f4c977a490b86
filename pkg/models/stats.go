package models

// Stats represents aggregate run statistics for a project
type Stats struct {
	TotalRuns     int64
	CleanedRuns   int64
	FailedRuns    int64
	UploadedSize  int64
	LastTimestamp string
	LastState     RunState
}
