// swapperd coordinates a Swapper3D filament swapper with a Klipper
// printer. It owns the serial link to the swapper controller, talks to
// the printer through Moonraker, intercepts tool changes and serves the
// command endpoint and Prometheus metrics.
//
// Usage:
//
//	swapperd serve --config ~/swapper.cfg
//	swapperd stream --config ~/swapper.cfg part.gcode
//	swapperd ports
//	swapperd send --device /dev/ttyACM0 cutter_cut
//
// Run "swapperd help <command>" for the flags of each command.
package main

func main() {
	Execute()
}
