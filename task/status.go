package task

type Status string

const (
	StatusQueued       Status = "queued"
	StatusFetchingInfo Status = "fetching_info"
	StatusDownloading  Status = "downloading"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusFetchingInfo, StatusDownloading, StatusProcessing:
		return true
	}
	return false
}

// forward lists the success path for each kind, in order.
var forward = map[Kind][]Status{
	KindDownload: {StatusQueued, StatusFetchingInfo, StatusDownloading, StatusProcessing, StatusCompleted},
	KindCompress: {StatusQueued, StatusProcessing, StatusCompleted},
	KindConvert:  {StatusQueued, StatusProcessing, StatusCompleted},
}

// shortcuts are legal forward edges that skip a step of the path.
var shortcuts = map[Kind]map[Status]Status{
	KindDownload: {StatusDownloading: StatusCompleted},
}

func stage(kind Kind, s Status) int {
	for i, st := range forward[kind] {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether a job of kind may move from one status to
// another. Staying in the same status is not a transition.
func CanTransition(kind Kind, from, to Status) bool {
	if from == to || from.IsTerminal() {
		return false
	}
	if to == StatusError || to == StatusCancelled {
		return from.IsActive()
	}
	i, j := stage(kind, from), stage(kind, to)
	if i < 0 || j < 0 {
		return false
	}
	if j == i+1 {
		return true
	}
	return shortcuts[kind][from] == to
}

// pathTo returns the statuses a job walks through to reach target from the
// current status, excluding current. It is empty when target is not ahead.
func pathTo(kind Kind, current, target Status) []Status {
	if CanTransition(kind, current, target) {
		return []Status{target}
	}
	i, j := stage(kind, current), stage(kind, target)
	if i < 0 || j <= i {
		return nil
	}
	return append([]Status(nil), forward[kind][i+1:j+1]...)
}
