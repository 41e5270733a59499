package shared

import "fmt"

// DocumentLockKey builds the redis key guarding batch posting of one document.
func DocumentLockKey(documentID int64) string {
	return fmt.Sprintf("ledger:document:%d:lock", documentID)
}
