package journey

import "github.com/example/teastore/tools/loadgen/internal/client"

// CheckoutPayload returns the buyer record sent on checkout. The keys,
// their order and values are fixed, including the store's "adress"
// spelling.
func CheckoutPayload() client.Params {
	return client.Params{
		{Key: "firstname", Value: "User"},
		{Key: "lastname", Value: "User"},
		{Key: "adress1", Value: "Road"},
		{Key: "adress2", Value: "City"},
		{Key: "cardtype", Value: "volvo"},
		{Key: "cardnumber", Value: "314159265359"},
		{Key: "expirydate", Value: "12/2050"},
		{Key: "confirm", Value: "Confirm"},
	}
}
