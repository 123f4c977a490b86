package models

import "time"

// Project describes a configured backup: what to archive, where to stage it,
// and which bucket receives the result. Credentials are resolved from the
// environment at run time and are never part of this struct's persisted form.
type Project struct {
	Name        string
	SourcePath  string
	Exclusions  []string
	ScratchDir  string
	Destination struct {
		Endpoint string
		Bucket   string
		Prefix   string
		UseSSL   bool
	}
	CleanupOnFailure bool
	Timeout          time.Duration
}

// Credentials holds the object-store key pair for one invocation.
type Credentials struct {
	AccessKey string
	SecretKey string
}
