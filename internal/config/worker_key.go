package config

// WorkerKeyStruct names the Redis lists the persistence workers drain.
// Producers RPush, workers BLPop from the head.
type WorkerKeyStruct struct {
	// PersistAnswersQueue carries autosaved answers.
	PersistAnswersQueue string
	// PersistActivitiesQueue carries suspicious activity rows.
	PersistActivitiesQueue string
	// PersistSubmissionsQueue carries final submissions with navigation.
	PersistSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:     "proctor:queue:answers",
	PersistActivitiesQueue:  "proctor:queue:activities",
	PersistSubmissionsQueue: "proctor:queue:submissions",
}

// Queues maps a short label to each queue key, for depth reporting.
func (k *WorkerKeyStruct) Queues() map[string]string {
	return map[string]string{
		"answers":     k.PersistAnswersQueue,
		"activities":  k.PersistActivitiesQueue,
		"submissions": k.PersistSubmissionsQueue,
	}
}
