package storage

import "encoding/hex"

// Dump copies every key/value pair visible in tx, keyed by column family name
// and hex-encoded key. Two stores that went through the same records produce
// equal dumps; tests and the CLI use it to compare state.
func Dump(tx Txn) (map[string]map[string][]byte, error) {
	out := make(map[string]map[string][]byte)
	for _, cf := range ColumnFamilies() {
		err := tx.ForEachPrefix(cf, nil, func(k, v []byte) (bool, error) {
			m, ok := out[cf.String()]
			if !ok {
				m = make(map[string][]byte)
				out[cf.String()] = m
			}
			m[hex.EncodeToString(k)] = append([]byte(nil), v...)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
