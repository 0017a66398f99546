package model

// IngestEnvelope carries one raw JSON event with source metadata.
// It is the transport contract between input sources and the pipeline.
type IngestEnvelope struct {
	Source string
	Line   string
}
