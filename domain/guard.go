package domain

// CheckConflict compares the version a client observed against the persisted
// task. Any mismatch is unconditionally a conflict carrying the full current
// snapshot, regardless of how much time separates the two edits. clientVersion
// zero means the client opted out of conflict detection (first write wins).
func CheckConflict(current *Task, clientVersion int64) error {
	if clientVersion == 0 {
		return nil
	}
	if clientVersion != current.Version {
		return &ConflictError{
			Task:          current,
			ClientVersion: clientVersion,
			ServerVersion: current.Version,
		}
	}
	return nil
}
