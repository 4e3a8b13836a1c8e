// Command policywatch watches government policy pages for changes and alerts
// subscribers.
package main

func main() {
	Execute()
}
