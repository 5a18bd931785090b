package chat

import "errors"

// Send failure taxonomy. Validation failures happen before any state
// change; upload and persistence failures roll the optimistic entry
// back. A persistence failure after a successful upload orphans the
// uploaded asset on purpose; resubmission re-uploads.
var (
	ErrEmptyPayload      = errors.New("chat: empty payload")
	ErrRejectedContent   = errors.New("chat: content rejected by filter")
	ErrUploadFailed      = errors.New("chat: attachment upload failed")
	ErrPersistenceFailed = errors.New("chat: message persistence failed")
	ErrAttachmentTooBig  = errors.New("chat: attachment exceeds size limit")
	ErrNotParticipant    = errors.New("chat: sender is not a participant")
	ErrSelfConversation  = errors.New("chat: cannot open a conversation with yourself")
)
