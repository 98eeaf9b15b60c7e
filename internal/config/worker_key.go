package config

type WorkerKeyStruct struct {
	PersistViolationsQueue string
	ScoreAttemptsQueue     string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue: "persist_violations_queue",
	ScoreAttemptsQueue:     "score_attempts_queue",
}
