package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const serviceType = "_collabtext._tcp"

var errNoHub = errors.New("no hub found on the local network")

// discover browses mDNS for hubs until timeout and returns the first one as
// host:port.
func discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if addr, ok := hubAddr(entry); ok {
				glog.V(1).Infof("[agent]discovered %s at %s\n", entry.Instance, addr)
				select {
				case found <- addr:
					cancel()
				default:
				}
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return "", fmt.Errorf("browsing for hubs: %w", err)
	}
	<-ctx.Done()
	select {
	case addr := <-found:
		return addr, nil
	default:
		return "", errNoHub
	}
}

func hubAddr(entry *zeroconf.ServiceEntry) (string, bool) {
	port := strconv.Itoa(entry.Port)
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port), true
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port), true
	}
	return "", false
}
