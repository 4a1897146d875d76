package hosthttp

import "github.com/cyfrworks/cyfr-sub001/pkg/enginerr"

func errPrivateIP(msg string) *enginerr.Error {
	return enginerr.New(enginerr.CodePrivateIPBlocked, msg)
}

func errDNS(cause error) *enginerr.Error {
	if cause == nil {
		return enginerr.New(enginerr.CodeDNSError, "no addresses found for hostname")
	}
	return enginerr.Wrap(enginerr.CodeDNSError, "failed to resolve hostname", cause)
}
