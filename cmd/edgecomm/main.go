// Command edgecomm runs the edge communication layer of an LPR device.
package main

func main() {
	Execute()
}
