package config

type WorkerKeyStruct struct {
	PersistDraftsQueue string
	PersistScoresQueue string
	PersistEventsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistDraftsQueue: "persist_drafts_queue",
	PersistScoresQueue: "persist_scores_queue",
	PersistEventsQueue: "persist_events_queue",
}
