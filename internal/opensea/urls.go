package opensea

import "fmt"

// AssetURL links to a single token on the marketplace.
func AssetURL(address, tokenID string) string {
	return fmt.Sprintf("https://opensea.io/assets/%s/%s", address, tokenID)
}

// CollectionURL links to a collection sorted by ascending buy-now price.
func CollectionURL(collection string) string {
	if collection == "" {
		return "https://opensea.io"
	}
	return fmt.Sprintf("https://opensea.io/collection/%s?search[sortAscending]=true&search[sortBy]=PRICE&search[toggles][0]=BUY_NOW", collection)
}
