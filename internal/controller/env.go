package controller

// Environment is the variable block injected into a worker process, per
// the worker contract: mandatory attribution/connectivity fields plus
// every decrypted secret for the branch.
type Environment struct {
	ContractAddress string
	RepoURL         string
	BranchName      string
	BackendURL      string
	RPCURL          string
	Secrets         map[string]string
}

// ToMap flattens Environment into the plain string map the Supervisor
// passes through to a container's environment block. User-defined
// secrets win over nothing (there is no collision with the fixed keys
// since callers are expected not to name a secret e.g. "REPO_URL", but a
// secret is never silently dropped either way since it's merged last).
func (e Environment) ToMap() map[string]string {
	env := map[string]string{
		"AGENT_CONTRACT_ADDRESS": e.ContractAddress,
		"REPO_URL":               e.RepoURL,
		"BRANCH_NAME":            e.BranchName,
		"BACKEND_URL":            e.BackendURL,
		"RPC_URL":                e.RPCURL,
	}
	for k, v := range e.Secrets {
		env[k] = v
	}
	return env
}

// Validate enforces the non-negotiable post-conditions on the built
// environment: REPO_URL and BRANCH_NAME must be present and non-empty.
func (e Environment) Validate() error {
	if e.RepoURL == "" {
		return errMissingField("REPO_URL")
	}
	if e.BranchName == "" {
		return errMissingField("BRANCH_NAME")
	}
	return nil
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string {
	return "controller: environment missing required field " + e.field
}

func errMissingField(field string) error {
	return &missingFieldError{field: field}
}
