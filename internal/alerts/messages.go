package alerts

import "fmt"

func FillMessage(strategy, market, orderID string) string {
	return fmt.Sprintf("[%s] order %s on %s filled or cancelled; replanning market", strategy, orderID, market)
}

func ManualActionMessage(strategy, operation string, err error) string {
	return fmt.Sprintf("[%s] manual action needed: %s rejected: %v", strategy, operation, err)
}

func InconsistentDebtMessage(strategy string, err error) string {
	return fmt.Sprintf("[%s] debt positions left untouched: %v", strategy, err)
}

func UnderServedMessage(strategy, market string, err error) string {
	return fmt.Sprintf("[%s] %s cancelled but not replaced, waiting for next tick: %v", strategy, market, err)
}
