package contracts

// FUNMoneyABI covers the subset of the FUN Money lock contract the mint pipeline calls.
const FUNMoneyABI = `[
	{
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "nonces",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "isAttester",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "", "type": "bytes32"}],
		"name": "actions",
		"outputs": [
			{"name": "allowed", "type": "bool"},
			{"name": "version", "type": "uint32"},
			{"name": "deprecated", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "guardianGov",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "user", "type": "address"},
			{"name": "action", "type": "string"},
			{"name": "amount", "type": "uint256"},
			{"name": "evidenceHash", "type": "bytes32"},
			{"name": "sigs", "type": "bytes[]"}
		],
		"name": "lockWithPPLP",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`
