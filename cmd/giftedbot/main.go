// Command giftedbot runs the GIFTED-MD WhatsApp bot and its control panel.
package main

func main() {
	Execute()
}
