//go:build amd64

package detour_test

import (
	"fmt"

	"github.com/detourlab/detour"
)

//go:noinline
func greet() string {
	return "hello"
}

func shout() string {
	return "HELLO"
}

func ExamplePatcher() {
	p, _ := detour.NewPatcher(greet)
	standIn := p.PrepareStandIn()

	p.Redirect(shout)
	defer p.Unpatch()

	fmt.Println(greet())
	fmt.Println(standIn.Interface().(func() string)())
	// Output:
	// HELLO
	// hello
}
