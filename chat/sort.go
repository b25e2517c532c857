package chat

// SortSpec is a bitset selecting the ordering of range reads: exactly one
// field bit plus an optional direction bit. Unsupported combinations (no
// field bit, or more than one) fall back to id ascending.
type SortSpec uint8

const (
	// SortByID orders by message id.
	SortByID SortSpec = 1 << iota
	// SortByCreationTime orders by creation time.
	SortByCreationTime
	// SortByModificationTime orders by modification time.
	SortByModificationTime
	// SortByDeliveredTime orders by delivery time.
	SortByDeliveredTime
	// SortByReadTime orders by read time.
	SortByReadTime
	// SortDescending flips the direction.
	SortDescending
)

const sortFieldMask = SortByID | SortByCreationTime | SortByModificationTime |
	SortByDeliveredTime | SortByReadTime

// Normalize maps unsupported combinations to id ascending.
func (s SortSpec) Normalize() SortSpec {
	switch s & sortFieldMask {
	case SortByID, SortByCreationTime, SortByModificationTime, SortByDeliveredTime, SortByReadTime:
		return s
	default:
		return SortByID
	}
}

// orderBy returns the ORDER BY clause for the spec. The message id is
// always the final tie-breaker so pagination stays deterministic.
func (s SortSpec) orderBy() string {
	s = s.Normalize()

	var col string
	switch s & sortFieldMask {
	case SortByCreationTime:
		col = "creation_time"
	case SortByModificationTime:
		col = "modification_time"
	case SortByDeliveredTime:
		col = "delivered_time"
	case SortByReadTime:
		col = "read_time"
	default:
		col = "message_id"
	}

	dir := "ASC"
	if s&SortDescending != 0 {
		dir = "DESC"
	}
	if col == "message_id" {
		return "ORDER BY message_id " + dir
	}
	return "ORDER BY " + col + " " + dir + ", message_id " + dir
}
