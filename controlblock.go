package circuit

// newControlBlock constructs and registers the "_ctrl" block Finalize
// auto-creates the first time anything references it by name. It exposes
// a single "shutdown" event type that requests a graceful stop of the
// circuit's supervisor, mirroring the source engine's built-in control
// block used to let ordinary circuit wiring (e.g. a button block's
// on_output) trigger simulation shutdown without reaching for the
// supervisor API directly.
func newControlBlock(c *Circuit) *SBlock {
	s := &SBlock{base: base{name: controlBlockName, output: Undef, internal: true}}
	s.On("shutdown", func(s *SBlock, data *Data) (any, error) {
		if s.circ != nil && s.circ.sup != nil {
			s.circ.sup.requestShutdown()
		}
		return true, nil
	})
	s.OnDefault(func(s *SBlock, data *Data) (any, error) {
		return s.Output(), nil
	})
	if err := c.AddBlock(s); err != nil {
		panic(err)
	}
	s.setCircuit(c)
	return s
}
