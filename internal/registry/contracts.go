package registry

// Canonical Uniswap V3 QuoterV2 and SwapRouter02 deployments on Base.
var uniswapV3ContractsByChainID = map[int64]struct {
	QuoterV2 string
	Router   string
}{
	8453: {
		QuoterV2: "0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a",
		Router:   "0x2626664c2603336E57B271c5C0b26F421741e481",
	},
	84532: {
		QuoterV2: "0xC5290058841028F1614F3A6F0F5816cAd0df5E27",
		Router:   "0x94cC0AaC535CCDB3C01d6787D6413C739ae12bc4",
	},
}

func UniswapV3Contracts(chainID int64) (quoterV2 string, router string, ok bool) {
	contracts, ok := uniswapV3ContractsByChainID[chainID]
	if !ok {
		return "", "", false
	}
	return contracts.QuoterV2, contracts.Router, true
}

// Fee tiers probed when quoting, in hundredths of a bip.
var UniswapV3FeeTiers = []uint32{100, 500, 3000, 10000}
