package engine

import (
	"github.com/agentworkforce/relaydoc/internal/docstore"
)

type EventType string

const (
	EventDataReceived        EventType = "dataReceived"
	EventDataSaved           EventType = "dataSaved"
	EventMetadataSaved       EventType = "metadataSaved"
	EventMetadataSaveError   EventType = "metadataSaveError"
	EventMetadataSynced      EventType = "metadataSynced"
	EventDocumentListChanged EventType = "documentListChanged"
	EventReplicationError    EventType = "replicationError"
	EventSettingsChanged     EventType = "settingsChanged"
	EventImportComplete      EventType = "importComplete"
)

// Event is delivered on Engine.Events. Only the fields relevant to Type are
// set.
type Event struct {
	Type       EventType
	DocumentID string

	Result      *ResultSet
	Metadata    *docstore.Record
	UpdatedRefs []docstore.Record
	Documents   []docstore.Record
	Settings    *docstore.Record
	Imported    []string
	Err         error
}
