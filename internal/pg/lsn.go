package pg

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// LSN is a position in the write-ahead log.
type LSN uint64

func (lsn LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}

func ParseLSN(s string) (LSN, error) {
	var upperHalf, lowerHalf uint64

	nparsed, err := fmt.Sscanf(s, "%X/%X", &upperHalf, &lowerHalf)
	if err != nil {
		return 0, fmt.Errorf("lsn parse: %w", err)
	}

	if nparsed != 2 {
		return 0, fmt.Errorf("lsn parse: invalid format: %s", s)
	}

	return LSN((upperHalf << 32) + lowerHalf), nil
}

func FromReplication(lsn pglogrepl.LSN) LSN {
	return LSN(lsn)
}

func (lsn LSN) Replication() pglogrepl.LSN {
	return pglogrepl.LSN(lsn)
}

func (lsn LSN) MarshalJSON() ([]byte, error) {
	return json.Marshal(lsn.String())
}

func (lsn *LSN) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("lsn unmarshal: %w", err)
	}

	if s == "" {
		*lsn = 0
		return nil
	}

	parsed, err := ParseLSN(s)
	if err != nil {
		return err
	}

	*lsn = parsed
	return nil
}
