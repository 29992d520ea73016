package notify

import "time"

// Layer names of the warehouse tiers notified after ingestion
const (
	LayerDWD = "DWD"
	LayerDWS = "DWS"
)

// ChangeSummary describes what one flush wrote to one ODS table
type ChangeSummary struct {
	TaskID      string    `json:"taskId"`
	BatchID     string    `json:"batchId,omitempty"`
	SourceTable string    `json:"sourceTable"`
	TargetTable string    `json:"targetTable"`
	Upserted    int       `json:"upserted"`
	Deleted     int       `json:"deleted"`
	Position    string    `json:"position,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Records returns the number of rows the summary covers
func (s ChangeSummary) Records() int {
	return s.Upserted + s.Deleted
}

// LayerPayload is sent to DWD and DWS processors
type LayerPayload struct {
	Layer           string      `json:"layer"`
	SourceTable     string      `json:"sourceTable"`
	TargetTable     string      `json:"targetTable"`
	BusinessDomain  string      `json:"businessDomain,omitempty"`
	AggregationType string      `json:"aggregationType,omitempty"`
	ChangeData      interface{} `json:"changeData"`
	ProcessTime     int64       `json:"processTime"`
}

// BatchPayload carries the summaries collected in batch and scheduled modes
type BatchPayload struct {
	Type        string          `json:"type"`
	BatchSize   int             `json:"batchSize"`
	BatchData   []ChangeSummary `json:"batchData"`
	ProcessTime int64           `json:"processTime"`
}

// DomainPayload is sent to the processor mapped to a business domain
type DomainPayload struct {
	BusinessDomain string      `json:"businessDomain"`
	ChangeData     interface{} `json:"changeData"`
	ProcessTime    int64       `json:"processTime"`
}

func dwdPayload(t TableConfig, change interface{}) LayerPayload {
	return LayerPayload{
		Layer:          LayerDWD,
		SourceTable:    t.SourceTable,
		TargetTable:    t.TargetTable,
		BusinessDomain: t.BusinessDomain,
		ChangeData:     change,
		ProcessTime:    time.Now().UnixMilli(),
	}
}

func dwsPayload(t TableConfig, change interface{}) LayerPayload {
	p := dwdPayload(t, change)
	p.Layer = LayerDWS
	p.AggregationType = "summary"
	return p
}

func batchPayload(items []ChangeSummary) BatchPayload {
	return BatchPayload{
		Type:        "batch",
		BatchSize:   len(items),
		BatchData:   items,
		ProcessTime: time.Now().UnixMilli(),
	}
}
