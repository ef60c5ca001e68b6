package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// registryABIJSON is the minimal ABI surface the controller needs from the
// on-chain Registry contract: a read-only branch_hash -> address lookup and
// a state-changing register call. The full contract (consumed only through
// this ABI, per the out-of-scope list) may expose more; the controller
// never needs anything beyond these two functions.
const registryABIJSON = `[
	{
		"type": "function",
		"name": "lookup",
		"stateMutability": "view",
		"inputs": [{"name": "branchHash", "type": "bytes32"}],
		"outputs": [{"name": "contractAddress", "type": "address"}]
	},
	{
		"type": "function",
		"name": "register",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "branchHash", "type": "bytes32"}],
		"outputs": [{"name": "contractAddress", "type": "address"}]
	}
]`

// RegistryABI returns the parsed ABI for the Registry contract. It is
// exposed (and also served at GET /api/contracts/registry) so CLIs and
// dashboards can introspect the on-chain interface without out-of-band
// distribution of the ABI file.
func RegistryABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(registryABIJSON))
}

// RegistryABIJSON returns the raw ABI JSON text, for serving verbatim from
// the contract-artifact endpoint.
func RegistryABIJSON() string {
	return registryABIJSON
}
