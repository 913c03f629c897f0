package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const serviceType = "_collabtext._tcp"

// advertise registers the hub on the local network so agents can find it
// without an address.
func advertise(port int) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "CollabText", host),
		serviceType,
		"local.",
		port,
		[]string{"txtv=1", "path=/ws"},
		nil,
	)
	if err != nil {
		return nil, err
	}
	glog.Infof("[server]mDNS service %s registered on port %d\n", serviceType, port)
	return server.Shutdown, nil
}
