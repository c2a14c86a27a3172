package shared

import "fmt"

// PaysheetCreateLockKey guards bulk worker selection for new paysheets.
const PaysheetCreateLockKey = "paysheet:create"

// PaysheetLockKey builds redis keys for paysheet critical sections.
func PaysheetLockKey(paysheetID int64) string {
	return fmt.Sprintf("payout:paysheet:%d:lock", paysheetID)
}

// PaymentLockKey serialises the transfer of one worker's registered income.
func PaymentLockKey(paysheetID, workerID int64) string {
	return fmt.Sprintf("payout:paysheet:%d:worker:%d:payment", paysheetID, workerID)
}
