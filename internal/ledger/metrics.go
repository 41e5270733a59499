package ledger

// Metrics receives ledger counters.
type Metrics interface {
	Registers(op string, n int)
	StockCache(result string)
	WriteBack(result string)
}

type nopMetrics struct{}

func (nopMetrics) Registers(string, int) {}
func (nopMetrics) StockCache(string)     {}
func (nopMetrics) WriteBack(string)      {}
